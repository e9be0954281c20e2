// Entrypoint for gatewayctl; delegates to the Cobra root command in cmd/root.go.

package main

import (
	"github.com/lightseekorg/smg/cmd"
)

func main() {
	cmd.Execute()
}
