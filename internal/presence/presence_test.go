package presence

import "testing"

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("client-123", DefaultWordLists)
	b := Derive("client-123", DefaultWordLists)
	if a != b {
		t.Errorf("Derive(same id) = %v, %v, want equal", a, b)
	}
}

func TestDeriveVariesAcrossClients(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := Derive(string(rune('a'+i%26))+string(rune(i)), DefaultWordLists)
		seen[id.String()] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected varied identities across clients, got %d distinct", len(seen))
	}
}

func TestDeriveFallsBackToDefaultsWhenListsEmpty(t *testing.T) {
	id := Derive("client-1", WordLists{})
	if id.Adjective == "" || id.Noun == "" || id.Color == "" {
		t.Errorf("Derive with empty lists = %+v, want defaults filled in", id)
	}
}

func TestDerivePicksFromProvidedLists(t *testing.T) {
	lists := WordLists{
		Adjectives: []string{"Only"},
		Nouns:      []string{"Choice"},
		Colors:     []string{"Here"},
	}
	id := Derive("anything", lists)
	if id.Adjective != "Only" || id.Noun != "Choice" || id.Color != "Here" {
		t.Errorf("Derive = %+v, want {Only Choice Here}", id)
	}
}
