package discovery

import (
	"context"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"
)

// DiscoveredNode is one node found during an address-space walk, with the
// metadata the classifier needs.
type DiscoveredNode struct {
	ID          *ua.NodeID
	BrowseName  string
	BrowsePath  []string
	NodeClass   ua.NodeClass
	DataType    uint32
	AccessLevel uint8
}

// Walker traverses the address space breadth first, children before
// grandchildren. The hierarchy is a graph, not a tree: a node reachable via
// two parents is visited once, and back references to an ancestor terminate
// at the visited set instead of recursing forever.
type Walker struct {
	browser          Browser
	bus              *Bus
	maxDepth         int // 0 = unlimited
	maxNodePerParent int // 0 = unlimited
	log              *zap.SugaredLogger
}

func NewWalker(browser Browser, bus *Bus, maxDepth, maxNodePerParent int, log *zap.SugaredLogger) *Walker {
	return &Walker{
		browser:          browser,
		bus:              bus,
		maxDepth:         maxDepth,
		maxNodePerParent: maxNodePerParent,
		log:              log,
	}
}

// ObjectsFolder is the default walk root.
func ObjectsFolder() *ua.NodeID {
	return ua.NewTwoByteNodeID(id.ObjectsFolder)
}

type walkItem struct {
	id    *ua.NodeID
	path  []string
	depth int
}

// Walk visits every node reachable from roots and returns the variable nodes
// it finds, in visit order. Sibling order is the order the server returned.
// A failure scoped to a single node is reported on the bus and skipped; a
// connectivity failure aborts the pass.
func (w *Walker) Walk(ctx context.Context, endpoint string, roots []*ua.NodeID) ([]DiscoveredNode, error) {
	if len(roots) == 0 {
		roots = []*ua.NodeID{ObjectsFolder()}
	}

	visited := make(map[string]bool)
	var queue []walkItem
	for _, root := range roots {
		if key := root.String(); !visited[key] {
			visited[key] = true
			queue = append(queue, walkItem{id: root})
		}
	}

	var found []DiscoveredNode
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		item := queue[0]
		queue = queue[1:]

		attrs, err := w.browser.Attributes(item.id)
		if err != nil {
			if IsConnectivity(err) {
				return nil, err
			}
			w.bus.Publish(Event{Kind: EventNodeSkipped, Endpoint: endpoint, Node: item.id.String(), Err: err})
			continue
		}

		name := attrs.BrowseName
		if name == "" {
			name = item.id.String()
		}
		w.log.Debugf("Analyse node id %v", item.id.String())

		if attrs.NodeClass == ua.NodeClassVariable {
			found = append(found, DiscoveredNode{
				ID:          item.id,
				BrowseName:  name,
				BrowsePath:  item.path,
				NodeClass:   attrs.NodeClass,
				DataType:    attrs.DataType,
				AccessLevel: attrs.AccessLevel,
			})
		}

		if w.maxDepth > 0 && item.depth >= w.maxDepth {
			continue
		}
		children, err := w.browser.Children(item.id)
		if err != nil {
			if IsConnectivity(err) {
				return nil, err
			}
			w.bus.Publish(Event{Kind: EventNodeSkipped, Endpoint: endpoint, Node: item.id.String(), Err: err})
			continue
		}
		w.log.Debugf("Found %v new node(s) for browsing below %v", len(children), item.id.String())

		// Paths start below the walk root: qualified field names carry
		// Line1.Temperature, never Objects.Line1.Temperature.
		childPath := item.path
		if item.depth > 0 {
			childPath = append(append([]string(nil), item.path...), name)
		}
		taken := 0
		for _, child := range children {
			if w.maxNodePerParent > 0 && taken >= w.maxNodePerParent {
				break
			}
			key := child.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			queue = append(queue, walkItem{id: child, path: childPath, depth: item.depth + 1})
			taken++
		}
	}
	return found, nil
}
