// Package auth provides account management and authentication for Devicebay Core.
//
// It covers:
//   - User accounts (login + Argon2id password hash, client/admin roles)
//   - JWT access tokens as an alternative authenticate credential
//   - Network access grants (which networks a client user may observe)
//   - First-boot seeding of the default administrator
//
// Network grants are the authorisation input for notification fan-out: a
// wildcard notification subscriber only receives events for networks their
// account has been granted. Administrators bypass network scoping.
package auth
