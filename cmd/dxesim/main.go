// Command dxesim simulates a UEFI PI DXE core boot given a hand-off
// descriptor list and a set of firmware volume images.
package main

import "dxecore/cmd/dxesim/cmd"

func main() {
	cmd.Execute()
}
