// Command token-gen mints signed access tokens for the camera daemon's
// control channel. Intended for operators and test setups.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/camerakit/camera-daemon/internal/security"
)

func main() {
	secret := flag.String("secret", os.Getenv("CAMERA_SERVICE_JWT_SECRET"), "signing secret")
	user := flag.String("user", "operator", "user id claim")
	role := flag.String("role", "operator", "role claim: viewer, operator or admin")
	expiry := flag.Duration("expiry", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "token-gen: -secret or CAMERA_SERVICE_JWT_SECRET is required")
		os.Exit(2)
	}
	parsedRole, err := security.ParseRole(*role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token-gen: %v\n", err)
		os.Exit(2)
	}

	handler, err := security.NewTokenHandler(*secret, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token-gen: %v\n", err)
		os.Exit(1)
	}
	token, err := handler.Generate(*user, parsedRole, *expiry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token-gen: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
