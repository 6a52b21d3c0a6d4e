package discovery

import (
	"strconv"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"

	"github.com/felix-lessoer/telegraf-autodiscovery/telegraf"
)

// RejectReason explains why a discovered node is not worth monitoring. Every
// possible input is classified; nothing is dropped without a reason code.
type RejectReason string

const (
	RejectNone          RejectReason = ""
	RejectNotVariable   RejectReason = "not a variable node"
	RejectNamespaceZero RejectReason = "standard server node (namespace 0)"
	RejectNotReadable   RejectReason = "access level forbids reads"
	RejectUnmappedType  RejectReason = "data type not mappable"
)

// ClassifierOptions tunes the type mapping table.
type ClassifierOptions struct {
	// OpaqueAsString maps otherwise unmappable data types to a string
	// value instead of rejecting the node.
	OpaqueAsString bool
}

// Classify decides whether a node is a leaf variable worth monitoring and
// maps it to a configuration entry. The second return value carries the
// reject reason; RejectNone means the entry is valid.
func Classify(n DiscoveredNode, opts ClassifierOptions) (telegraf.MetricEntry, RejectReason) {
	if n.NodeClass != ua.NodeClassVariable {
		return telegraf.MetricEntry{}, RejectNotVariable
	}
	if n.ID.Namespace() == 0 {
		return telegraf.MetricEntry{}, RejectNamespaceZero
	}
	// An access level of zero means the attribute was not reported; assume
	// readable rather than losing the node.
	if n.AccessLevel != 0 && n.AccessLevel&uint8(ua.AccessLevelTypeCurrentRead) == 0 {
		return telegraf.MetricEntry{}, RejectNotReadable
	}

	kind := kindOf(n.DataType)
	if kind == "" {
		if !opts.OpaqueAsString {
			return telegraf.MetricEntry{}, RejectUnmappedType
		}
		kind = telegraf.KindString
	}

	return telegraf.MetricEntry{
		Name:           n.BrowseName,
		Namespace:      strconv.FormatUint(uint64(n.ID.Namespace()), 10),
		IdentifierType: identifierType(n.ID),
		Identifier:     identifierOf(n.ID),
		Kind:           kind,
		BrowsePath:     append(append([]string(nil), n.BrowsePath...), n.BrowseName),
	}, RejectNone
}

// kindOf is the total data type mapping table. An empty result means the
// type is not mappable; the caller decides between rejection and the opaque
// string escape hatch. Arrays, structures and extension objects all land in
// the unmapped bucket.
func kindOf(dataType uint32) telegraf.ValueKind {
	switch dataType {
	case id.Boolean:
		return telegraf.KindBoolean
	case id.SByte, id.Byte,
		id.Int16, id.UInt16,
		id.Int32, id.UInt32,
		id.Int64, id.UInt64,
		id.Float, id.Double:
		return telegraf.KindNumeric
	case id.String, id.LocalizedText:
		return telegraf.KindString
	case id.Enumeration:
		return telegraf.KindEnumerated
	}
	return ""
}

// identifierType maps the node id encoding to the single-letter form the
// Telegraf OPC UA plugins expect: s=string, i=numeric, g=guid, b=opaque.
func identifierType(nid *ua.NodeID) string {
	switch nid.Type() {
	case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
		return "i"
	case ua.NodeIDTypeString:
		return "s"
	case ua.NodeIDTypeGUID:
		return "g"
	default:
		return "b"
	}
}

func identifierOf(nid *ua.NodeID) string {
	switch nid.Type() {
	case ua.NodeIDTypeTwoByte, ua.NodeIDTypeFourByte, ua.NodeIDTypeNumeric:
		return strconv.FormatUint(uint64(nid.IntID()), 10)
	default:
		return nid.StringID()
	}
}
