// Command caliper runs the Caliper evaluation engine.
package main

import "github.com/caliperml/caliper/cli"

func main() {
	cli.Execute()
}
