// Command gambit runs tree-structured model workflows ("decks") from the
// command line or as an HTTP service.
package main

func main() {
	Execute()
}
