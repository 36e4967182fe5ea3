package mixpanel

import (
	"time"

	"github.com/discohead/mixpanel-go/internal/spool"
)

// mutations accumulates engage-style operations keyed by their wire name
// ($set, $add, ...). Values under $set/$set_once/$union/$append are property
// maps; $add holds numeric deltas; $unset holds a key list.
type mutations map[string]any

func (m mutations) props(op string) map[string]any {
	p, ok := m[op].(map[string]any)
	if !ok {
		p = make(map[string]any)
		m[op] = p
	}
	return p
}

// PeopleUpdate accumulates mutations for one user profile. Each chained call
// returns the same builder; Submit emits a single composite record. The
// zero value is not usable; obtain one from Client.People.
type PeopleUpdate struct {
	c          *Client
	distinctID string
	ops        mutations
}

// People starts a profile update for distinctID. An empty id targets the
// client's current identity.
func (c *Client) People(distinctID string) *PeopleUpdate {
	if distinctID == "" {
		distinctID = c.DistinctID()
	}
	return &PeopleUpdate{c: c, distinctID: distinctID, ops: make(mutations)}
}

// Set assigns profile properties, overwriting existing values.
func (p *PeopleUpdate) Set(key string, value any) *PeopleUpdate {
	p.ops.props("$set")[key] = value
	return p
}

// SetOnce assigns profile properties only if they are not already set.
func (p *PeopleUpdate) SetOnce(key string, value any) *PeopleUpdate {
	p.ops.props("$set_once")[key] = value
	return p
}

// Increment adds delta to a numeric profile property.
func (p *PeopleUpdate) Increment(key string, delta float64) *PeopleUpdate {
	p.ops.props("$add")[key] = delta
	return p
}

// Union merges values into a list property, deduplicated server-side.
func (p *PeopleUpdate) Union(key string, values ...any) *PeopleUpdate {
	p.ops.props("$union")[key] = values
	return p
}

// Append adds one value to the end of a list property.
func (p *PeopleUpdate) Append(key string, value any) *PeopleUpdate {
	p.ops.props("$append")[key] = value
	return p
}

// Unset removes the named properties from the profile.
func (p *PeopleUpdate) Unset(keys ...string) *PeopleUpdate {
	existing, _ := p.ops["$unset"].([]string)
	p.ops["$unset"] = append(existing, keys...)
	return p
}

// Submit emits the accumulated mutations as one record. A builder with no
// mutations submits nothing. The builder must not be reused after Submit.
func (p *PeopleUpdate) Submit() {
	if len(p.ops) == 0 {
		return
	}
	record := map[string]any{
		"$token":       p.c.token,
		"$distinct_id": p.distinctID,
		"$time":        time.Now().UnixMilli(),
	}
	for op, v := range p.ops {
		record[op] = v
	}
	p.c.enqueue(spool.StreamPeople, nil, record)
}

// GroupUpdate accumulates mutations for one group profile, identified by the
// pair (group key, group id). Same chaining contract as PeopleUpdate.
type GroupUpdate struct {
	c        *Client
	groupKey string
	groupID  string
	ops      mutations
}

// Group starts a profile update for the group identified by key and id.
func (c *Client) Group(groupKey, groupID string) *GroupUpdate {
	return &GroupUpdate{c: c, groupKey: groupKey, groupID: groupID, ops: make(mutations)}
}

// Set assigns group properties, overwriting existing values.
func (g *GroupUpdate) Set(key string, value any) *GroupUpdate {
	g.ops.props("$set")[key] = value
	return g
}

// SetOnce assigns group properties only if they are not already set.
func (g *GroupUpdate) SetOnce(key string, value any) *GroupUpdate {
	g.ops.props("$set_once")[key] = value
	return g
}

// Union merges values into a group list property.
func (g *GroupUpdate) Union(key string, values ...any) *GroupUpdate {
	g.ops.props("$union")[key] = values
	return g
}

// Unset removes the named properties from the group profile.
func (g *GroupUpdate) Unset(keys ...string) *GroupUpdate {
	existing, _ := g.ops["$unset"].([]string)
	g.ops["$unset"] = append(existing, keys...)
	return g
}

// Submit emits the accumulated mutations as one record.
func (g *GroupUpdate) Submit() {
	if len(g.ops) == 0 {
		return
	}
	record := map[string]any{
		"$token":     g.c.token,
		"$group_key": g.groupKey,
		"$group_id":  g.groupID,
		"$time":      time.Now().UnixMilli(),
	}
	for op, v := range g.ops {
		record[op] = v
	}
	g.c.enqueue(spool.StreamGroups, nil, record)
}
