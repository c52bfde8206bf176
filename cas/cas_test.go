package cas

import (
	"encoding/json"
	"testing"
)

func TestNowMs(t *testing.T) {
	// Year 2024 in milliseconds is approximately 1704067200000
	if ts := NowMs(); ts < 1704067200000 {
		t.Errorf("NowMs() returned %d, expected timestamp after 2024", ts)
	}
}

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{
			name:     "sorted keys",
			input:    map[string]interface{}{"z": 1, "a": 2, "m": 3},
			expected: `{"a":2,"m":3,"z":1}`,
		},
		{
			name: "nested",
			input: map[string]interface{}{
				"z": map[string]interface{}{"b": 1, "a": 2},
				"a": 3,
			},
			expected: `{"a":3,"z":{"a":2,"b":1}}`,
		},
		{
			name:     "array order kept",
			input:    []interface{}{map[string]interface{}{"z": 1, "a": 2}, 3},
			expected: `[{"a":2,"z":1},3]`,
		},
		{
			name:     "large counters survive",
			input:    map[string]uint64{"n": 18446744073709551615},
			expected: `{"n":18446744073709551615}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := CanonicalJSON(tt.input)
			if err != nil {
				t.Fatalf("CanonicalJSON failed: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, result)
			}
		})
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]byte("hello"))
	b := ContentHash([]byte("hello"))
	if a != b {
		t.Errorf("same input produced different hashes: %s vs %s", a, b)
	}
	if a == ContentHash([]byte("hello!")) {
		t.Error("different input produced same hash")
	}
}

func TestHashTextRoundTrip(t *testing.T) {
	h := ContentHash([]byte("payload"))
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out Hash
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out != h {
		t.Errorf("expected %s, got %s", h, out)
	}

	if _, err := ParseHash("abcd"); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestMerkleTreeHashOrderIndependent(t *testing.T) {
	node := ContentHash([]byte("node"))
	c1 := MerkleChild{EdgeKind: "Use", ChildID: [16]byte{1}, ChildHash: ContentHash([]byte("a"))}
	c2 := MerkleChild{EdgeKind: "Use", ChildID: [16]byte{2}, ChildHash: ContentHash([]byte("b"))}
	c3 := MerkleChild{EdgeKind: "Contain", EdgePayload: []byte("key"), ChildID: [16]byte{3}, ChildHash: ContentHash([]byte("c"))}

	h1 := MerkleTreeHash(node, []MerkleChild{c1, c2, c3})
	h2 := MerkleTreeHash(node, []MerkleChild{c3, c2, c1})
	if h1 != h2 {
		t.Errorf("merkle hash depends on child order: %s vs %s", h1, h2)
	}

	if h1 == MerkleTreeHash(node, []MerkleChild{c1, c2}) {
		t.Error("dropping a child should change the hash")
	}
	if h1 == MerkleTreeHash(ContentHash([]byte("other")), []MerkleChild{c1, c2, c3}) {
		t.Error("changing node content should change the hash")
	}
}
