// Package notifier fans rendered events out to the channels of a group.
//
// # Channels
//
// A channel is one destination: a Telegram chat, a Discord or Slack webhook,
// a generic JSON webhook, or a local command (sound, desktop toast, phone
// dialer). Each channel declares the markup it is rendered with and its part
// length limits; the service renders once per markup and delivers the parts in
// order.
//
// # Fan-out
//
// Every channel of a group is attempted independently. A failed part aborts
// the remaining parts on that channel only. The aggregate result succeeds when
// at least one channel delivered every part.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for the
// status endpoint.
package notifier
