package models

// IsCaller reports whether the local session is the one that creates the
// offer. Both peers compute it from the same pair of ids, so no negotiation
// is needed.
func IsCaller(localSessionID, remoteSessionID string) bool {
	return localSessionID < remoteSessionID
}
