package domain

import "sort"

// Member is one (subject, role) pair within a single resource's membership.
// At most one entry per pair.
type Member struct {
	Subject string
	Role    string
}

type MembershipSet map[Member]struct{}

func NewMembershipSet(members ...Member) MembershipSet {
	s := make(MembershipSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

func (s MembershipSet) Contains(m Member) bool {
	_, ok := s[m]
	return ok
}

func (s MembershipSet) Add(m Member) {
	s[m] = struct{}{}
}

func (s MembershipSet) Remove(m Member) {
	delete(s, m)
}

func (s MembershipSet) Clone() MembershipSet {
	out := make(MembershipSet, len(s))
	for m := range s {
		out[m] = struct{}{}
	}
	return out
}

// HasSubject reports whether the subject holds any role in the set.
func (s MembershipSet) HasSubject(subject string) bool {
	for m := range s {
		if m.Subject == subject {
			return true
		}
	}
	return false
}

// Diff returns the members present in s but absent from other, in a stable
// order so reconciliation passes issue backend calls deterministically.
func (s MembershipSet) Diff(other MembershipSet) []Member {
	var out []Member
	for m := range s {
		if !other.Contains(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Role < out[j].Role
	})
	return out
}

func (s MembershipSet) Members() []Member {
	out := make([]Member, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Subject != out[j].Subject {
			return out[i].Subject < out[j].Subject
		}
		return out[i].Role < out[j].Role
	})
	return out
}
