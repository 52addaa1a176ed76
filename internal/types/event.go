// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID         string     `json:"id"`
	PubKey     string     `json:"pubkey"`
	CreatedAt  int64      `json:"created_at"`
	Kind       int        `json:"kind"`
	Tags       [][]string `json:"tags"`
	Content    string     `json:"content"`
	Sig        string     `json:"sig"`
	RelaysSeen []string   `json:"-"`
}

// TagValue returns the value of the first tag with the given name, or "".
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the values of every tag with the given name.
func (e *Event) TagValues(name string) []string {
	var vals []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			vals = append(vals, tag[1])
		}
	}
	return vals
}

// Filter represents a Nostr subscription filter (NIP-01)
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Limit   int
	Since   *int64
	Until   *int64
	ETags   []string // #e tag filter (referenced events)
	PTags   []string // #p tag filter (mentions)
}

// Wire converts the filter to the NIP-01 JSON object shape, omitting
// unset fields.
func (f Filter) Wire() map[string]interface{} {
	obj := map[string]interface{}{}
	if len(f.IDs) > 0 {
		obj["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		obj["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		obj["kinds"] = f.Kinds
	}
	if len(f.ETags) > 0 {
		obj["#e"] = f.ETags
	}
	if len(f.PTags) > 0 {
		obj["#p"] = f.PTags
	}
	if f.Since != nil {
		obj["since"] = *f.Since
	}
	if f.Until != nil {
		obj["until"] = *f.Until
	}
	if f.Limit > 0 {
		obj["limit"] = f.Limit
	}
	return obj
}
