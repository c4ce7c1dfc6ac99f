package schema

import (
	"fmt"

	"github.com/danmuck/fcbridge/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Forward message types: Local Runtime calls, Remote Runtime serves.
const (
	MsgLoadModule    uint32 = 1
	MsgGetModule     uint32 = 2
	MsgNewBrowser    uint32 = 3
	MsgGetBrowser    uint32 = 4
	MsgBrowserRoot   uint32 = 5
	MsgGetSelection  uint32 = 6
	MsgNewNode       uint32 = 7
	MsgFind          uint32 = 8
	MsgSelectionEdit uint32 = 9
	MsgAction        uint32 = 10
	MsgNotification  uint32 = 11
	MsgRelease       uint32 = 12
	MsgReadJSON      uint32 = 13
	MsgWriteJSON     uint32 = 14
)

// Reverse message types: Remote Runtime calls back into nodes hosted locally.
const (
	MsgXContext      uint32 = 101
	MsgXRelease      uint32 = 102
	MsgXChoose       uint32 = 103
	MsgXNext         uint32 = 104
	MsgXChild        uint32 = 105
	MsgXField        uint32 = 106
	MsgXAction       uint32 = 107
	MsgXNodeSource   uint32 = 108
	MsgXNotification uint32 = 109
	MsgXBeginEdit    uint32 = 110
	MsgXEndEdit      uint32 = 111
)

// Field IDs.
const (
	FieldDir        uint16 = 1
	FieldName       uint16 = 2
	FieldModuleHnd  uint16 = 3
	FieldModule     uint16 = 4
	FieldBrowserHnd uint16 = 5
	FieldNodeHnd    uint16 = 6
	FieldSelHnd     uint16 = 7
	FieldPath       uint16 = 8
	FieldRemoteNode uint16 = 9
	FieldInsideList uint16 = 10
	FieldEditOp     uint16 = 11
	FieldInputHnd   uint16 = 12
	FieldOutputHnd  uint16 = 13
	FieldHnd        uint16 = 14
	FieldJSON       uint16 = 15

	FieldNew         uint16 = 20
	FieldDelete      uint16 = 21
	FieldRow         uint16 = 22
	FieldFirst       uint16 = 23
	FieldKey         uint16 = 24
	FieldMetaIdent   uint16 = 25
	FieldChoiceIdent uint16 = 26
	FieldCaseIdent   uint16 = 27
	FieldWrite       uint16 = 28
	FieldClear       uint16 = 29
	FieldValue       uint16 = 30

	FieldErrCode    uint16 = 900
	FieldErrMessage uint16 = 901
)

// Edit operations carried in FieldEditOp. Into moves the node's data into
// the selection; From moves the selection's data out to the node.
const (
	EditUpsertInto            uint32 = 1
	EditUpsertFrom            uint32 = 2
	EditInsertInto            uint32 = 3
	EditInsertFrom            uint32 = 4
	EditUpdateInto            uint32 = 5
	EditUpdateFrom            uint32 = 6
	EditReplaceFrom           uint32 = 7
	EditUpsertIntoSetDefaults uint32 = 8
	EditUpsertFromSetDefaults uint32 = 9
)

// FieldAnyType accepts any TLV type. Used for opaque values.
const FieldAnyType uint8 = 0

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var names = map[uint32]string{
	MsgLoadModule:    "LoadModule",
	MsgGetModule:     "GetModule",
	MsgNewBrowser:    "NewBrowser",
	MsgGetBrowser:    "GetBrowser",
	MsgBrowserRoot:   "BrowserRoot",
	MsgGetSelection:  "GetSelection",
	MsgNewNode:       "NewNode",
	MsgFind:          "Find",
	MsgSelectionEdit: "SelectionEdit",
	MsgAction:        "Action",
	MsgNotification:  "Notification",
	MsgRelease:       "Release",
	MsgReadJSON:      "ReadJSON",
	MsgWriteJSON:     "WriteJSON",
	MsgXContext:      "XContext",
	MsgXRelease:      "XRelease",
	MsgXChoose:       "XChoose",
	MsgXNext:         "XNext",
	MsgXChild:        "XChild",
	MsgXField:        "XField",
	MsgXAction:       "XAction",
	MsgXNodeSource:   "XNodeSource",
	MsgXNotification: "XNotification",
	MsgXBeginEdit:    "XBeginEdit",
	MsgXEndEdit:      "XEndEdit",
}

// Name returns the method name of a message type, used as a log and metrics label.
func Name(messageType uint32) string {
	if n, ok := names[messageType]; ok {
		return n
	}
	return fmt.Sprintf("msg.%d", messageType)
}

// Request field requirements. Optional fields are not listed.
var requests = map[uint32][]Requirement{
	MsgLoadModule:    {{FieldDir, tlv.TypeString}, {FieldName, tlv.TypeString}},
	MsgGetModule:     {{FieldModuleHnd, tlv.TypeU64}},
	MsgNewBrowser:    {{FieldModuleHnd, tlv.TypeU64}},
	MsgGetBrowser:    {{FieldBrowserHnd, tlv.TypeU64}},
	MsgBrowserRoot:   {{FieldBrowserHnd, tlv.TypeU64}},
	MsgGetSelection:  {{FieldSelHnd, tlv.TypeU64}},
	MsgNewNode:       {},
	MsgFind:          {{FieldSelHnd, tlv.TypeU64}, {FieldPath, tlv.TypeString}},
	MsgSelectionEdit: {{FieldEditOp, tlv.TypeU32}, {FieldSelHnd, tlv.TypeU64}, {FieldNodeHnd, tlv.TypeU64}},
	MsgAction:        {{FieldSelHnd, tlv.TypeU64}},
	MsgNotification:  {{FieldSelHnd, tlv.TypeU64}},
	MsgRelease:       {{FieldHnd, tlv.TypeU64}},
	MsgReadJSON:      {{FieldJSON, tlv.TypeBytes}},
	MsgWriteJSON:     {{FieldSelHnd, tlv.TypeU64}},

	MsgXContext:      {{FieldSelHnd, tlv.TypeU64}},
	MsgXRelease:      {{FieldSelHnd, tlv.TypeU64}},
	MsgXChoose:       {{FieldSelHnd, tlv.TypeU64}, {FieldChoiceIdent, tlv.TypeString}},
	MsgXNext:         {{FieldSelHnd, tlv.TypeU64}, {FieldRow, tlv.TypeU64}},
	MsgXChild:        {{FieldSelHnd, tlv.TypeU64}, {FieldMetaIdent, tlv.TypeString}},
	MsgXField:        {{FieldSelHnd, tlv.TypeU64}, {FieldMetaIdent, tlv.TypeString}},
	MsgXAction:       {{FieldSelHnd, tlv.TypeU64}},
	MsgXNodeSource:   {{FieldBrowserHnd, tlv.TypeU64}},
	MsgXNotification: {{FieldSelHnd, tlv.TypeU64}},
	MsgXBeginEdit:    {{FieldSelHnd, tlv.TypeU64}},
	MsgXEndEdit:      {{FieldSelHnd, tlv.TypeU64}},
}

// Response field requirements. Handles that may legitimately be absent
// ("no selection", "no child") are optional and read as 0.
var responses = map[uint32][]Requirement{
	MsgLoadModule:   {{FieldModuleHnd, tlv.TypeU64}, {FieldModule, tlv.TypeBytes}},
	MsgGetModule:    {{FieldModule, tlv.TypeBytes}},
	MsgNewBrowser:   {{FieldBrowserHnd, tlv.TypeU64}},
	MsgGetBrowser:   {{FieldModuleHnd, tlv.TypeU64}},
	MsgBrowserRoot:  {{FieldSelHnd, tlv.TypeU64}},
	MsgGetSelection: {{FieldNodeHnd, tlv.TypeU64}, {FieldModuleHnd, tlv.TypeU64}, {FieldPath, tlv.TypeString}, {FieldBrowserHnd, tlv.TypeU64}},
	MsgNewNode:      {{FieldNodeHnd, tlv.TypeU64}},
	MsgReadJSON:     {{FieldNodeHnd, tlv.TypeU64}},
	MsgWriteJSON:    {{FieldJSON, tlv.TypeBytes}},
	MsgXNodeSource:  {{FieldNodeHnd, tlv.TypeU64}},
}

// Errors carry a code and message on any message type.
var errorFields = []Requirement{{FieldErrCode, tlv.TypeU32}, {FieldErrMessage, tlv.TypeString}}

// Validate enforces required request fields and their types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requests[messageType]
	if !ok {
		log.Error().Uint32("msg_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	return check(messageType, reqs, fields)
}

// ValidateResponse enforces required response fields for a message type.
func ValidateResponse(messageType uint32, fields []tlv.Field) error {
	if _, ok := requests[messageType]; !ok {
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	return check(messageType, responses[messageType], fields)
}

// ValidateError enforces the error payload shape.
func ValidateError(messageType uint32, fields []tlv.Field) error {
	return check(messageType, errorFields, fields)
}

func check(messageType uint32, reqs []Requirement, fields []tlv.Field) error {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Str("msg", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if req.Type != FieldAnyType && f.Type != req.Type {
			log.Debug().
				Str("msg", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
