package observation

// Kind identifies a domain event.
type Kind string

const (
	KindDocumentCreated Kind = "document.created"
	KindDocumentUpdated Kind = "document.updated"
	KindDocumentDeleted Kind = "document.deleted"
	KindActionExecuted  Kind = "action.executed"
	KindWikiCreated     Kind = "wiki.created"
	KindWikiDeleted     Kind = "wiki.deleted"
	KindWikiReady       Kind = "wiki.ready"

	KindMemberJoined  Kind = "cluster.member.joined"
	KindMemberLeft    Kind = "cluster.member.left"
	KindLeaderChanged Kind = "cluster.leader.changed"
)

// DocumentKinds are the kinds raised by document storage.
var DocumentKinds = []Kind{KindDocumentCreated, KindDocumentUpdated, KindDocumentDeleted}

// WikiKinds are the wiki lifecycle kinds.
var WikiKinds = []Kind{KindWikiCreated, KindWikiDeleted, KindWikiReady}

// LocalEvent is an event as seen inside one process. Source and Data may hold
// live values that are only meaningful in the process that raised the event.
type LocalEvent struct {
	Kind Kind
	// Name qualifies the kind when one kind covers several events, e.g. the
	// action name of an action.executed event.
	Name   string
	Source any
	Data   any
}

func (k Kind) In(kinds []Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}
