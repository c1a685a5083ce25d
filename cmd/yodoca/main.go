// Command yodoca is the personal agent runtime. The bare command runs the
// supervisor, "yodoca agent" runs the agent process it spawns, and
// "yodoca check" reports the configuration verdict.
package main

func main() { Execute() }
