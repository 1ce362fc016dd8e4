package scheduler

import (
	"github.com/flotillahq/flotilla/internal/models"
)

// Selection is the outcome of picking nodes for one task.
type Selection struct {
	// NodeIDs are the selected node ids in candidate-list order.
	NodeIDs []string
	// Class is the affinity class of the selection; ClassUnknown when Mixed.
	Class models.AffinityClass
	// Mixed is true when no single class could satisfy the request and the
	// candidate list spans classes.
	Mixed bool
}

// SelectNodes picks numNodes node ids from an active-node snapshot under the
// affinity policy. With a preferred class only that class is considered.
// Otherwise classes are tried in models.ClassPriority order and the first
// class large enough wins; when none suffices the union of all classes,
// ordered class by class, is used as a last resort. Within a class nodes keep
// their snapshot (registration) order, so selection is deterministic for a
// fixed registry.
func SelectNodes(active []models.NodeRecord, numNodes int, preferred models.AffinityClass) (Selection, error) {
	byClass := make(map[models.AffinityClass][]string)
	for _, node := range active {
		byClass[node.Class] = append(byClass[node.Class], node.ID)
	}

	if preferred != "" {
		candidates := byClass[preferred]
		if len(candidates) < numNodes {
			return Selection{}, ErrInsufficientNodes
		}
		return Selection{NodeIDs: candidates[:numNodes], Class: preferred}, nil
	}

	for _, class := range models.ClassPriority {
		if candidates := byClass[class]; len(candidates) >= numNodes {
			return Selection{NodeIDs: candidates[:numNodes], Class: class}, nil
		}
	}

	// No single class suffices: fall back to the class-by-class union.
	var union []string
	for _, class := range models.ClassPriority {
		union = append(union, byClass[class]...)
	}
	if len(union) < numNodes {
		return Selection{}, ErrInsufficientNodes
	}
	return Selection{NodeIDs: union[:numNodes], Class: models.ClassUnknown, Mixed: true}, nil
}
