package server

import (
	"fmt"

	bgm "github.com/AnishMulay/sandmirror/internal/buddy_group_mapper"
	"github.com/AnishMulay/sandmirror/internal/communication"
	tss "github.com/AnishMulay/sandmirror/internal/target_state_store"
)

// Conversions between the admin JSON payloads and the store types.

func StateEntries(records []tss.Record) []communication.TargetStateEntry {
	out := make([]communication.TargetStateEntry, 0, len(records))
	for _, r := range records {
		out = append(out, communication.TargetStateEntry{
			Target:       uint16(r.ID),
			Reachability: r.Reachability.String(),
			Consistency:  r.Consistency.String(),
		})
	}
	return out
}

func RecordsFromEntries(entries []communication.TargetStateEntry) ([]tss.Record, error) {
	out := make([]tss.Record, 0, len(entries))
	for _, e := range entries {
		reach, err := tss.ParseReachability(e.Reachability)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		cons, err := tss.ParseConsistency(e.Consistency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out = append(out, tss.Record{ID: tss.TargetID(e.Target), Reachability: reach, Consistency: cons})
	}
	return out, nil
}

func GroupEntries(groups []bgm.BuddyGroup) []communication.BuddyGroupEntry {
	out := make([]communication.BuddyGroupEntry, 0, len(groups))
	for _, g := range groups {
		out = append(out, GroupEntry(g))
	}
	return out
}

func GroupEntry(g bgm.BuddyGroup) communication.BuddyGroupEntry {
	return communication.BuddyGroupEntry{ID: uint16(g.ID), Primary: uint16(g.Primary), Secondary: uint16(g.Secondary)}
}

func GroupFromEntry(e communication.BuddyGroupEntry) bgm.BuddyGroup {
	return bgm.BuddyGroup{ID: bgm.GroupID(e.ID), Primary: tss.TargetID(e.Primary), Secondary: tss.TargetID(e.Secondary)}
}

func GroupsFromEntries(entries []communication.BuddyGroupEntry) []bgm.BuddyGroup {
	out := make([]bgm.BuddyGroup, 0, len(entries))
	for _, e := range entries {
		out = append(out, GroupFromEntry(e))
	}
	return out
}

func TargetIDs(ids []uint16) []tss.TargetID {
	out := make([]tss.TargetID, len(ids))
	for i, id := range ids {
		out[i] = tss.TargetID(id)
	}
	return out
}

func ParseReachabilities(names []string) ([]tss.Reachability, error) {
	out := make([]tss.Reachability, len(names))
	for i, n := range names {
		r, err := tss.ParseReachability(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out[i] = r
	}
	return out, nil
}

func ParseConsistencies(names []string) ([]tss.Consistency, error) {
	out := make([]tss.Consistency, len(names))
	for i, n := range names {
		c, err := tss.ParseConsistency(n)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out[i] = c
	}
	return out, nil
}
