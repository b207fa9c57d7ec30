package banner

import "fmt"

const Version = "1.0.0"

func Print() {
	banner := `
   ______           __ _       __      __       __
  / ____/___  _____/ /| |     / /___ _/ /______/ /_
 / /   / __ \/ ___/ __/ | /| / / __  / __/ ___/ __ \
/ /___/ /_/ (__  ) /_ | |/ |/ / /_/ / /_/ /__/ / / /
\____/\____/____/\__/ |__/|__/\__,_/\__/\___/_/ /_/
                    v%s - Cloud Cost Sentinel
    `
	fmt.Printf(banner, Version)
	fmt.Println("\n------------------------------------------------")
}
