// The main package for the scraperd executable.
package main

import (
	"github.com/JakeFAU/tiered-scraper/cmd"
)

func main() {
	cmd.Execute()
}
