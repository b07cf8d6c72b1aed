package proofpatch

import "testing"

func buildNode(t *testing.T, kind NodeKind, key, value []byte) Node {
	t.Helper()
	n := Node{Key: key, Kind: kind, Value: value}
	n.Raw = encodeNode(n)
	return n
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	root := [32]byte{1}
	n1 := buildNode(t, KindInline, []byte("slot"), []byte{1, 2, 3})
	n2 := buildNode(t, KindHashed, []byte("other"), make([]byte, 32))

	p, err := Decode(root, [][]byte{n1.Raw, n2.Raw})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(p.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(p.Nodes))
	}
	if p.Nodes[0].Kind != KindInline || string(p.Nodes[0].Key) != "slot" {
		t.Fatalf("unexpected node 0: %+v", p.Nodes[0])
	}
	if p.Nodes[1].Kind != KindHashed {
		t.Fatalf("unexpected node 1 kind: %v", p.Nodes[1].Kind)
	}

	raw := Encode(p)
	if len(raw) != 2 {
		t.Fatalf("expected 2 raw nodes, got %d", len(raw))
	}
}

func TestPatchPreservesHashedNodesUntouchedByUpdate(t *testing.T) {
	root := [32]byte{1}
	slotNode := buildNode(t, KindInline, []byte("slot"), []byte{0, 0, 0, 1})
	hashedNode := buildNode(t, KindHashed, []byte("other"), make([]byte, 32))

	p, err := Decode(root, [][]byte{slotNode.Raw, hashedNode.Raw})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	patched, err := Patch(p, map[string][]byte{"slot": {0, 0, 0, 2}})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	if string(patched.Nodes[0].Value) != string([]byte{0, 0, 0, 2}) {
		t.Fatalf("expected slot value updated, got %v", patched.Nodes[0].Value)
	}
	if patched.Nodes[1].Kind != KindHashed {
		t.Fatalf("expected untouched node to keep its hashed tag, got %v", patched.Nodes[1].Kind)
	}
	if string(patched.Nodes[1].Raw) != string(hashedNode.Raw) {
		t.Fatalf("expected untouched node's raw bytes to be carried over unchanged")
	}
	if patched.RootHash == root {
		t.Fatalf("expected root hash to change after a real update")
	}
}

func TestPatchNoopWhenNoUpdatesMatch(t *testing.T) {
	root := [32]byte{7}
	n := buildNode(t, KindInline, []byte("k"), []byte("v"))
	p, err := Decode(root, [][]byte{n.Raw})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	patched, err := Patch(p, map[string][]byte{})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if patched.RootHash != root {
		t.Fatalf("expected root hash to be unchanged with no updates")
	}
}
