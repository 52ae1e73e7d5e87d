// Package goofy implements a Discord bot with two slash commands:
//
//   - /avatar: replies with an embed showing a member's avatar, colored
//     with their highest colored role.
//   - /patpat: replies with an animated GIF of the member's avatar being
//     patted, composited under a template animation (patpat.gif).
//
// Interactions are received through the discord gateway, or via an
// HTTP endpoint when the webhook server is enabled. Every interaction and
// command is recorded in a sqlite or postgres database.
//
// The GIF compositing itself lives in [Composer], which has no discord
// dependencies and can be used on its own:
//
//	out, err := goofy.Compose(avatarPNG, "patpat.gif")
//	if errors.Is(err, goofy.ErrAssetNotFound) {
//		// template is missing
//	}
package goofy
