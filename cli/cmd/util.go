package cmd

// shorten abbreviates a hash for table output; full hashes are available
// via --json.
func shorten(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "..." + hash[len(hash)-4:]
}
