// Command pdpx is the bulk product page extractor.
package main

import (
	"os"

	"github.com/JakeFAU/pdp-extractor/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
