// Command themis is the data retention enforcement engine: it evaluates
// records against retention policies, disposes those that are due, and
// seals a signed certificate and audit trail around every disposal.
package main

func main() {
	Execute()
}
