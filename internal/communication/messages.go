package communication

const (
	// MessageTypeMirrorRequest carries an encoded mirrored request, both from
	// clients to a primary and from a primary to its secondary.
	MessageTypeMirrorRequest = "mirror_request"

	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeGetStates         = "admin_get_states"
	MessageTypeSetStates         = "admin_set_states"
	MessageTypeChangeConsistency = "admin_change_consistency"
	MessageTypeGetGroups         = "admin_get_groups"
	MessageTypeMapGroup          = "admin_map_group"
	MessageTypeUnmapGroup        = "admin_unmap_group"
	MessageTypeSwitchOver        = "admin_switchover"
	MessageTypeSyncGroups        = "admin_sync_groups"
)

// Admin payloads travel as JSON.

type TargetStateEntry struct {
	Target       uint16 `json:"target"`
	Reachability string `json:"reachability"`
	Consistency  string `json:"consistency"`
}

type HeartbeatRequest struct {
	Target  uint16 `json:"target"`
	Address string `json:"address"`
}

type SetTargetStatesRequest struct {
	Targets       []uint16 `json:"targets"`
	Reachability  []string `json:"reachability"`
	Consistencies []string `json:"consistencies"`
}

type ChangeConsistencyRequest struct {
	Targets   []uint16 `json:"targets"`
	OldStates []string `json:"old_states"`
	NewStates []string `json:"new_states"`
}

type BuddyGroupEntry struct {
	ID        uint16 `json:"id"`
	Primary   uint16 `json:"primary"`
	Secondary uint16 `json:"secondary"`
}

type MapBuddyGroupRequest struct {
	Group       BuddyGroupEntry `json:"group"`
	AllowUpdate bool            `json:"allow_update"`
}

type SwitchOverRequest struct {
	GroupID uint16 `json:"group_id"`
}

type UnmapBuddyGroupRequest struct {
	GroupID uint16 `json:"group_id"`
}

type SyncGroupsAndStatesRequest struct {
	Groups []BuddyGroupEntry  `json:"groups"`
	States []TargetStateEntry `json:"states"`
}
