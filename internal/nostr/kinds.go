package nostr

// Event kinds consumed or produced by this client (NIP-01 and friends)
const (
	KindProfile    = 0     // profile metadata, content is a JSON object
	KindNote       = 1     // text note, or reply when an e tag is present
	KindContacts   = 3     // follow list, p tags
	KindRepost     = 6     // repost, content embeds the original event JSON
	KindReaction   = 7     // reaction, last e tag points at the target
	KindZapRequest = 9734  // NIP-57 zap request
	KindZapReceipt = 9735  // NIP-57 zap receipt
	KindRelayList  = 10002 // NIP-65 relay list metadata, r tags
)
