// Package secure keeps credential material (tokens, AppRole secret IDs,
// database passwords) encrypted while it sits in process memory.
//
// Values are sealed into a memguard enclave on construction and only
// decrypted for the duration of a single Reveal call:
//
//	secretID := secure.Seal(os.Getenv("VAULT_APPROLE_SECRET_ID"))
//	defer secretID.Destroy()
//
//	plain, err := secretID.Reveal()
//
// A Value never prints its contents; fmt verbs and JSON encoding both
// produce "[REDACTED]".
//
// If mlock is unavailable memguard falls back to ordinary memory. The
// enclave is still encrypted in that case.
package secure
