package main

import "storefront-gateway/internal/cli"

func main() {
	cli.Execute()
}
