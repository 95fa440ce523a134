// internal/session/keys.go
package session

import "strconv"

// Key layout in the ephemeral store. Every lobby-scoped key carries the
// lobby's TTL.
//
//	lobby:<id>                    hash: lobby record
//	lobby:<id>:players            zset: identity scored by join unix time
//	lobby:<id>:player:<identity>  hash: membership record
//	lobby:<id>:numbers            list: append-only draw history
//	lobby:<id>:starting           string: cross-process start lock
//	open_lobby:<tier>             string: id of the forming lobby for a tier
//	ticket:<tier>:<identity>      string: one-ticket guard, value = lobby id

func lobbyKey(id string) string { return "lobby:" + id }

func playersKey(id string) string { return lobbyKey(id) + ":players" }

func playerKey(id, identity string) string { return lobbyKey(id) + ":player:" + identity }

func numbersKey(id string) string { return lobbyKey(id) + ":numbers" }

func startLockKey(id string) string { return lobbyKey(id) + ":starting" }

func openLobbyKey(tier int64) string { return "open_lobby:" + strconv.FormatInt(tier, 10) }

func ticketKey(tier int64, identity string) string {
	return "ticket:" + strconv.FormatInt(tier, 10) + ":" + identity
}
