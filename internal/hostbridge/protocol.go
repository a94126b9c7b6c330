// Package hostbridge implements the Host Bridge (spec §4.7/§6, C7): the
// newline-delimited JSON TCP protocol to the host, inbound message
// dispatch, dotted action-id decoding, and outbound emitters.
package hostbridge

import "encoding/json"

// InboundKind is the "type" discriminator of a message arriving from
// the host (spec §6 "Inbound message kinds handled").
type InboundKind string

const (
	InboundInfo                      InboundKind = "info"
	InboundSettings                  InboundKind = "settings"
	InboundAction                    InboundKind = "action"
	InboundDown                      InboundKind = "down"
	InboundUp                        InboundKind = "up"
	InboundConnectorChange           InboundKind = "connectorChange"
	InboundShortConnectorIDNotify    InboundKind = "shortConnectorIdNotification"
	InboundListChange                InboundKind = "listChange"
	InboundBroadcast                 InboundKind = "broadcast"
	InboundNotificationOptionClicked InboundKind = "notificationOptionClicked"
	InboundClosePlugin                InboundKind = "closePlugin"
)

// InboundMessage is the generic envelope every line from the host is
// decoded into before kind-specific fields are pulled from Raw.
type InboundMessage struct {
	Type InboundKind     `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// actionDataItem is one {id,value} pair inside an action message's
// data list (spec §6 "action data is a list of {id, value} objects").
type actionDataItem struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// ActionMessage is the `action` inbound kind: a dotted action id plus a
// data list, folded into a map keyed by the id's last dotted segment
// (spec §6).
type ActionMessage struct {
	ActionID string           `json:"actionId"`
	Data     []actionDataItem `json:"data"`
}

// DownUpMessage is the `down`/`up` inbound kind: which instance's
// button was pressed or released.
type DownUpMessage struct {
	ActionID string `json:"actionId"`
}

// ConnectorChangeMessage is the `connectorChange` inbound kind: a
// connector-bound value changed, addressed either by instance name or
// by connector/short id.
type ConnectorChangeMessage struct {
	InstanceName string `json:"instanceName"`
	ConnectorID  string `json:"connectorId"`
	Value        int    `json:"value"`
}

// ShortConnectorNotifyMessage is the `shortConnectorIdNotification`
// inbound kind: the full Connector Record fields to upsert (spec §3
// Connector Record).
type ShortConnectorNotifyMessage struct {
	InstanceName  string `json:"instanceName"`
	ActionType    string `json:"actionType"`
	InputType     string `json:"inputType"`
	Expression    string `json:"expression"`
	File          string `json:"file"`
	Alias         string `json:"alias"`
	InstanceScope string `json:"instanceScope"`
	DefaultType   string `json:"defaultType"`
	DefaultValue  string `json:"defaultValue"`
	ConnectorID   string `json:"connectorId"`
	ShortID       string `json:"shortId"`
	TimestampMs   int64  `json:"timestampMs"`
}

// ListChangeMessage is the `listChange` inbound kind: a choice list a
// script previously registered interest in has changed.
type ListChangeMessage struct {
	ListID string   `json:"listId"`
	Values []string `json:"values"`
}

// BroadcastMessage is the `broadcast` inbound kind (spec §6 "Page
// broadcast").
type BroadcastMessage struct {
	Event string `json:"event"`
	Page  string `json:"page"`
}

// NotificationClickMessage is the `notificationOptionClicked` inbound
// kind.
type NotificationClickMessage struct {
	NotificationID string `json:"notificationId"`
	OptionID       string `json:"optionId"`
}

// InfoMessage / SettingsMessage are the `info`/`settings` inbound
// kinds: host version and initial configuration.
type InfoMessage struct {
	HostVersion string `json:"hostVersion"`
}

type SettingsMessage struct {
	ScriptsBaseDir   string `json:"scriptsBaseDir"`
	DefaultRepeatMs  int    `json:"defaultRepeatRateMs"`
	DefaultDelayMs   int    `json:"defaultRepeatDelayMs"`
}

// --- Outbound message shapes (spec §6 "Outbound message shapes") ---

type OutboundStateUpdate struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Value string `json:"value"`
}

type OutboundCreateState struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	ParentGroup  string `json:"parentGroup"`
	Desc         string `json:"desc"`
	DefaultValue string `json:"defaultValue"`
}

type OutboundRemoveState struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type OutboundChoiceUpdate struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	InstanceID string   `json:"instanceId,omitempty"`
	Value      []string `json:"value"`
}

type OutboundConnectorUpdate struct {
	Type  string `json:"type"`
	ID    string `json:"id"` // shortId or connectorId
	Value int    `json:"value"`
}

type notificationOptionWire struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type OutboundShowNotification struct {
	Type           string                    `json:"type"`
	NotificationID string                    `json:"notificationId"`
	Title          string                    `json:"title"`
	Msg            string                    `json:"msg"`
	Options        []notificationOptionWire  `json:"options"`
}

type OutboundSettingUpdate struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type OutboundPair struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// stateID is the id namespace every published instance state uses
// (spec §6 "State id namespace"): "dsep." + instance_name.
func stateID(instanceName string) string { return "dsep." + instanceName }
