package schema

import (
	"strings"
)

// Attribute names on schema nodes.
const (
	AttrNodeType       = "nodeType"
	AttrValueType      = "valueType"
	AttrAccessMode     = "accessMode"
	AttrAssignment     = "assignment"
	AttrDefaultValue   = "defaultValue"
	AttrOptions        = "options"
	AttrMinInc         = "minInc"
	AttrMaxInc         = "maxInc"
	AttrMinExc         = "minExc"
	AttrMaxExc         = "maxExc"
	AttrUnit           = "unitSymbol"
	AttrMetricPrefix   = "metricPrefixSymbol"
	AttrDescription    = "description"
	AttrDisplayedName  = "displayedName"
	AttrTags           = "tags"
	AttrAlarmHigh      = "alarmHigh"
	AttrAlarmLow       = "alarmLow"
	AttrWarnHigh       = "warnHigh"
	AttrWarnLow        = "warnLow"
	AttrAllowedStates  = "allowedStates"
	AttrClassID        = "classId"
	AttrDisplayType    = "displayType"
	AttrArchivePolicy  = "archivePolicy"
	AttrAlarmCondition = "alarmCondition"
)

// Display types with protocol meaning.
const (
	DisplaySlot          = "Slot"
	DisplayState         = "State"
	DisplayOutputChannel = "OutputChannel"
	DisplayInputChannel  = "InputChannel"
)

// editableAttributes may change on a running device without changing the
// parameter's identity.
var editableAttributes = []string{
	AttrAlarmHigh, AttrAlarmLow, AttrWarnHigh, AttrWarnLow,
	AttrUnit, AttrMetricPrefix, AttrDescription, AttrDisplayedName,
}

// NodeType distinguishes leaves from the structural node kinds.
type NodeType int32

// Node types.
const (
	Leaf NodeType = iota
	Node
	ChoiceOfNodes
	ListOfNodes
)

func (n NodeType) String() string {
	switch n {
	case Leaf:
		return "LEAF"
	case Node:
		return "NODE"
	case ChoiceOfNodes:
		return "CHOICE_OF_NODES"
	case ListOfNodes:
		return "LIST_OF_NODES"
	}
	return "UNKNOWN"
}

// AccessMode says who may write a parameter and when. The values are bit
// flags so a mask can select several modes.
type AccessMode int32

// Access modes.
const (
	InitOnly       AccessMode = 1
	ReadOnly       AccessMode = 2
	Reconfigurable AccessMode = 4
)

func (a AccessMode) String() string {
	switch a {
	case InitOnly:
		return "INITONLY"
	case ReadOnly:
		return "READONLY"
	case Reconfigurable:
		return "RECONFIGURABLE"
	}
	return "UNKNOWN"
}

// ParseAccessMode accepts INITONLY, READONLY and RECONFIGURABLE in any case.
func ParseAccessMode(s string) (AccessMode, bool) {
	switch strings.ToUpper(s) {
	case "INITONLY", "INIT":
		return InitOnly, true
	case "READONLY", "READ":
		return ReadOnly, true
	case "RECONFIGURABLE", "WRITE":
		return Reconfigurable, true
	}
	return 0, false
}

// Assignment says whether a parameter must be supplied at instantiation.
type Assignment int32

// Assignments.
const (
	Optional Assignment = iota
	Mandatory
	Internal
)

func (a Assignment) String() string {
	switch a {
	case Optional:
		return "OPTIONAL"
	case Mandatory:
		return "MANDATORY"
	case Internal:
		return "INTERNAL"
	}
	return "UNKNOWN"
}
