package document

import "testing"

func TestCloneDoesNotAliasNestedValues(t *testing.T) {
	doc := New("id-1", Scope{Cell: "cell-1"}, "Role")
	doc.Static["Name"] = "admin"
	doc.Dynamic["meta"] = map[string]interface{}{"tags": []interface{}{"a", "b"}}
	doc.Links["Box"] = "box-1"

	c := doc.Clone()
	c.Static["Name"] = "changed"
	c.Dynamic["meta"].(map[string]interface{})["tags"].([]interface{})[0] = "mutated"
	c.Links["Box"] = "box-2"

	if doc.Static["Name"] != "admin" {
		t.Errorf("Static map aliased: %v", doc.Static["Name"])
	}
	tags := doc.Dynamic["meta"].(map[string]interface{})["tags"].([]interface{})
	if tags[0] != "a" {
		t.Errorf("Nested slice aliased: %v", tags[0])
	}
	if doc.Links["Box"] != "box-1" {
		t.Errorf("Links map aliased: %v", doc.Links["Box"])
	}
}

func TestCloneNil(t *testing.T) {
	var doc *Document
	if doc.Clone() != nil {
		t.Error("Expected nil clone of nil document")
	}
}

func TestLinkIDOrderIndependent(t *testing.T) {
	if LinkID("a", "b") != LinkID("b", "a") {
		t.Errorf("LinkID not order independent: %q vs %q", LinkID("a", "b"), LinkID("b", "a"))
	}
	if LinkID("a", "b") == LinkID("a", "c") {
		t.Error("Expected distinct pairs to produce distinct ids")
	}
}

func TestNewLinkNormalizesSides(t *testing.T) {
	forward := NewLink(Scope{Cell: "c"}, "Role", "id-b", "Account", "id-a")
	backward := NewLink(Scope{Cell: "c"}, "Account", "id-a", "Role", "id-b")

	if forward.ID != backward.ID {
		t.Fatalf("Expected identical edge ids, got %q and %q", forward.ID, backward.ID)
	}
	if forward.ID1 != backward.ID1 || forward.Type1 != backward.Type1 {
		t.Errorf("Expected identical side assignment, got (%s,%s) and (%s,%s)",
			forward.Type1, forward.ID1, backward.Type1, backward.ID1)
	}
}

func TestPeerID(t *testing.T) {
	link := NewLink(Scope{}, "Role", "id-b", "Account", "id-a")
	if got := link.PeerID("id-a"); got != "id-b" {
		t.Errorf("PeerID(id-a) = %q, want id-b", got)
	}
	if got := link.PeerID("id-b"); got != "id-a" {
		t.Errorf("PeerID(id-b) = %q, want id-a", got)
	}
	if got := link.PeerID("other"); got != "" {
		t.Errorf("PeerID(other) = %q, want empty", got)
	}
	if !link.Joins("id-a") || link.Joins("other") {
		t.Error("Joins misreported edge membership")
	}
}
