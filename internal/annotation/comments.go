package annotation

import "time"

type OwnerType string

const (
	OwnerAnnotation OwnerType = "annotation"
	OwnerDocument   OwnerType = "document"
)

// CommentNode is a comment on a shared annotation or on a whole document.
// Children is derived by BuildCommentTree and never stored.
type CommentNode struct {
	ID          string         `json:"id"`
	OwnerType   OwnerType      `json:"ownerType"`
	OwnerID     string         `json:"ownerId"`
	ParentID    string         `json:"parentId,omitempty"`
	AuthorID    string         `json:"authorId,omitempty"`
	AuthorName  string         `json:"authorName,omitempty"`
	IsAnonymous bool           `json:"isAnonymous"`
	Content     string         `json:"content"`
	CreatedAt   time.Time      `json:"createdAt"`
	Children    []*CommentNode `json:"children"`
}

// BuildCommentTree links a flat list into a forest keeping input order among
// siblings. Comments whose parent is missing, or whose parent chain would
// loop back to themselves, become roots.
func BuildCommentTree(flat []CommentNode) []*CommentNode {
	nodes := make(map[string]*CommentNode, len(flat))
	ordered := make([]*CommentNode, 0, len(flat))
	for i := range flat {
		node := flat[i]
		if _, seen := nodes[node.ID]; seen {
			continue
		}
		node.Children = []*CommentNode{}
		nodes[node.ID] = &node
		ordered = append(ordered, &node)
	}

	parentOf := make(map[string]string, len(ordered))
	roots := make([]*CommentNode, 0)
	for _, node := range ordered {
		parent, ok := nodes[node.ParentID]
		if node.ParentID == "" || !ok || node.ParentID == node.ID || reaches(parentOf, node.ParentID, node.ID) {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
		parentOf[node.ID] = parent.ID
	}
	return roots
}

func reaches(parentOf map[string]string, from, target string) bool {
	visited := make(map[string]struct{})
	for cur := from; cur != ""; cur = parentOf[cur] {
		if cur == target {
			return true
		}
		if _, ok := visited[cur]; ok {
			return false
		}
		visited[cur] = struct{}{}
	}
	return false
}

// CountComments returns the number of nodes in a forest.
func CountComments(roots []*CommentNode) int {
	total := 0
	stack := append([]*CommentNode(nil), roots...)
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		total++
		stack = append(stack, node.Children...)
	}
	return total
}
