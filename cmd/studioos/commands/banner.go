package commands

import (
	"fmt"

	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/sym"
	"github.com/teranos/studioos/version"
)

// printStartupBanner prints the startup summary
func printStartupBanner(verbosity int, info bannerInfo) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	magenta := "\033[35m"
	bold := "\033[1m"
	reset := "\033[0m"

	versionInfo := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║     S T U D I O   O S                             ║\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║   %s%s%s Jobs   %s%s%s Delivery   %s%s%s Blobs              ║\n",
		magenta, sym.Pulse, reset+cyan+bold, green, sym.Delivery, reset+cyan+bold, yellow, sym.Blob, reset+cyan+bold)
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ StudioOS Info ─────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, versionInfo.Version, versionInfo.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, versionInfo.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s│%s Database:  %s\n", green, reset, info.dbPath)
	fmt.Printf("%s│%s Blobs:     %s\n", green, reset, info.blobDir)
	if info.workers > 0 {
		fmt.Printf("%s│%s Workers:   %d (%d job type(s))\n", green, reset, info.workers, info.jobTypes)
	} else {
		fmt.Printf("%s│%s Workers:   none (submit only)\n", green, reset)
	}
	fmt.Printf("%s│%s Platforms: %d\n", green, reset, info.platforms)
	fmt.Printf("%s│%s Listening: http://localhost:%d\n", green, reset, info.port)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s💡 Press Ctrl+C to stop%s\n\n", yellow, reset)
}

type bannerInfo struct {
	dbPath    string
	blobDir   string
	port      int
	workers   int
	jobTypes  int
	platforms int
}
