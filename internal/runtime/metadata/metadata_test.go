package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestWithLeavesBaseUntouched(t *testing.T) {
	base := Metadata{KeyClientID: "u1"}
	enriched := base.With(KeyCorrelationID, "c-1")
	if _, ok := base[KeyCorrelationID]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched.CorrelationID() != "c-1" || enriched.ClientID() != "u1" {
		t.Fatalf("unexpected enriched metadata %#v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New(KeyClientID, "u1", "dangling")
	if md.ClientID() != "u1" {
		t.Fatalf("expected client id to be set")
	}
	if len(md) != 1 {
		t.Fatalf("expected odd trailing key to be ignored, got %#v", md)
	}
}

func TestApplyAndFromMessage(t *testing.T) {
	msg := message.NewMessage("id-1", nil)
	msg.Metadata.Set("keep", "yes")

	Apply(msg, New(KeyClientID, "u1"))
	md := FromMessage(msg)

	if md["keep"] != "yes" || md.ClientID() != "u1" {
		t.Fatalf("unexpected metadata %#v", md)
	}
	if len(FromMessage(nil)) != 0 {
		t.Fatal("expected empty metadata for nil message")
	}
}
