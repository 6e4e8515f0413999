package main

import (
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/cobra"
)

func main() {
	cfg := &cliConfig{}
	cobra.CheckErr(newCmd(cfg).Execute())
}
