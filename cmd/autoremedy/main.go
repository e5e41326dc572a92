// autoremedy turns monitoring alerts into remediation actions.
package main

import "github.com/ppiankov/autoremedy/internal/cli"

func main() {
	cli.Execute()
}
