package docstore

import (
	"fmt"
	"strings"
)

// =============================================================================
// PATH - Hierarchical document address
// =============================================================================

// Path is a slash-separated address alternating collection and document ids:
//
//	tenants/t1/branches/b1/sessions/s1   (document, even segment count)
//	tenants/t1/branches/b1/sessions      (collection, odd segment count)
type Path string

func (p Path) segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Child appends segments, e.g. branch.Child("sessions", "s1").
func (p Path) Child(segments ...string) Path {
	parts := p.segments()
	parts = append(parts, segments...)
	return Path(strings.Join(parts, "/"))
}

// IsDocument reports whether p addresses a document.
func (p Path) IsDocument() bool {
	n := len(p.segments())
	return n > 0 && n%2 == 0
}

// Parent returns the collection containing a document, or the document
// containing a collection.
func (p Path) Parent() Path {
	parts := p.segments()
	if len(parts) <= 1 {
		return ""
	}
	return Path(strings.Join(parts[:len(parts)-1], "/"))
}

// ID is the last segment.
func (p Path) ID() string {
	parts := p.segments()
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// CollectionID is the id of the collection a document lives in.
func (p Path) CollectionID() string {
	return p.Parent().ID()
}

// Validate checks that p is a well-formed document path.
func (p Path) Validate() error {
	parts := p.segments()
	if len(parts) == 0 || len(parts)%2 != 0 {
		return fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, string(p))
	}
	for _, s := range parts {
		if s == "" || strings.TrimSpace(s) != s {
			return fmt.Errorf("%w: empty or padded segment in %q", ErrInvalidPath, string(p))
		}
	}
	return nil
}

func (p Path) String() string { return string(p) }

// =============================================================================
// PARTITION - One tenant/branch pair
// =============================================================================

// Partition is the unit of isolation for scheduled reconciliation.
type Partition struct {
	TenantID string `json:"tenantId"`
	BranchID string `json:"branchId"`
}

// Root is tenants/{t}/branches/{b}.
func (p Partition) Root() Path {
	return Path("tenants").Child(p.TenantID, "branches", p.BranchID)
}

// Collection returns tenants/{t}/branches/{b}/{name}.
func (p Partition) Collection(name string) Path { return p.Root().Child(name) }

// Doc returns tenants/{t}/branches/{b}/{collection}/{id}.
func (p Partition) Doc(collection, id string) Path { return p.Root().Child(collection, id) }

func (p Partition) String() string { return p.TenantID + "/" + p.BranchID }

// PartitionOf extracts the partition from any path under a branch.
func PartitionOf(p Path) (Partition, bool) {
	parts := p.segments()
	if len(parts) < 4 || parts[0] != "tenants" || parts[2] != "branches" {
		return Partition{}, false
	}
	return Partition{TenantID: parts[1], BranchID: parts[3]}, true
}
