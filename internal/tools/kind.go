package tools

// Kind identifies one tool of the fixed persona tool set. Dispatch
// switches on Kind, so an engine-supplied name never reaches a handler
// without first resolving to a known variant.
type Kind int

const (
	// KindUnknown is any name outside the tool set.
	KindUnknown Kind = iota
	KindLookup
	KindStore
	KindRecordContact
	KindRecordUnknown
	KindEvaluate
)

// Wire names, as seen by the reasoning engine.
const (
	NameLookup        = "query_qa"
	NameStore         = "upsert_qa"
	NameRecordContact = "record_user_details"
	NameRecordUnknown = "record_unknown_question"
	NameEvaluate      = "evaluate_response"
)

// kindOrder is the order definitions are presented in.
var kindOrder = []Kind{KindLookup, KindStore, KindRecordContact, KindRecordUnknown, KindEvaluate}

// KindFromName resolves a wire name. Unrecognized names, including
// differently cased ones, are KindUnknown.
func KindFromName(name string) Kind {
	switch name {
	case NameLookup:
		return KindLookup
	case NameStore:
		return KindStore
	case NameRecordContact:
		return KindRecordContact
	case NameRecordUnknown:
		return KindRecordUnknown
	case NameEvaluate:
		return KindEvaluate
	default:
		return KindUnknown
	}
}

// Name returns the wire name, or "" for KindUnknown.
func (k Kind) Name() string {
	switch k {
	case KindLookup:
		return NameLookup
	case KindStore:
		return NameStore
	case KindRecordContact:
		return NameRecordContact
	case KindRecordUnknown:
		return NameRecordUnknown
	case KindEvaluate:
		return NameEvaluate
	default:
		return ""
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if n := k.Name(); n != "" {
		return n
	}
	return "unknown"
}
