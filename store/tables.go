package store

import (
	"fmt"
	"hash/fnv"
)

// Sub-store role tags appended to a room id to build that room's per-room
// table names. A room's full set of per-room tables is built by roomTable
// for each of these roles.
const (
	roleEvents        = "events"
	roleOrder         = "order"
	roleEventToOrder  = "event_to_order"
	roleMsgToOrder    = "msg_to_order"
	roleOrderToMsg    = "order_to_msg"
	rolePending       = "pending"
	roleRelations     = "relations"
	roleState         = "state"
	roleStateKey      = "state_key"
	roleMembers       = "members"
	roleInviteState   = "invite_state"
	roleInviteMembers = "invite_members"
	roleAccountData   = "account_data"
)

// Global (non-per-room) table names.
const (
	TableRooms             = "cache_rooms"
	TableInvites           = "cache_invites"
	TableSystem            = "cache_system"
	TableUserKeys          = "cache_user_keys"
	TableVerification      = "cache_verification"
	TableOutboundMegolm    = "cache_outbound_megolm"
	TableInboundMegolm     = "cache_inbound_megolm"
	TableOlmSessions       = "cache_olm_sessions"
	TableOlmAccount        = "cache_olm_account"
	TableBackup            = "cache_backup"
	TableSecretsInternal   = "cache_secrets_internal"
	TablePresence          = "cache_presence"
	TableNotificationsSent = "cache_notifications_sent"
	TableReadReceipts      = "cache_read_receipts"
	TableSpaceParents      = "cache_space_parents"
	TableSpaceChildren     = "cache_space_children"
	TableImagePacks        = "cache_image_packs"
	TableEventExpiry       = "cache_event_expiry_progress"
)

// roomTable builds the deterministic sub-store name for a per-room role.
// Room ids are Matrix room ids ("!opaque:server") and are hashed rather than
// used verbatim in the table name so that the server-name portion's colon
// and any other punctuation a room id may carry never has to be escaped for
// SQLite's identifier quoting rules.
func roomTable(roomID, role string) string {
	return fmt.Sprintf("cache_room_%x_%s", roomIDDigest(roomID), role)
}

func roomIDDigest(roomID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(roomID))
	return h.Sum64()
}
