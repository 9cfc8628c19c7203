// podsync keeps an inventory of system and user podman containers in sync
// with both daemons.
package main

import (
	_ "github.com/yairfalse/podsync/providers/podman"
)

func main() {
	Execute()
}
