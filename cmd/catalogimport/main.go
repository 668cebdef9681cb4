// Command catalogimport runs the catalog import API, its queue worker and
// the maintenance commands around them.
package main

import "os"

func main() {
	os.Exit(execute())
}
