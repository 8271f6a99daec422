// stationctl is the CLI client for the stationd admin API.
package main

import "github.com/dims-network/station/cmd/stationctl/commands"

func main() {
	commands.Execute()
}
