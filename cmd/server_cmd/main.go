package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/TEENet-io/btc-multisig/cmd"
)

const (
	ENV_CONFIG_FILE_PATH = "WALLET_CONFIG"
)

func main() {
	// Tool to read environment variables
	viper.AutomaticEnv()

	// Accessing an environment variable of configuration file location.
	// Without a file every key is read from the environment.
	_config_file := viper.GetString(ENV_CONFIG_FILE_PATH)
	if _config_file != "" {
		fmt.Printf("Wallet server configuration file = %s\n", _config_file)

		if !cmd.FileExists(_config_file) {
			fmt.Printf("Wallet server configuration file not found: %s\n", _config_file)
			return
		}
		if !initializeViper(_config_file) {
			return
		}
	}

	// Make the configuration
	wsc, err := cmd.LoadServerConfig(viper.GetViper())
	if err != nil {
		fmt.Printf("Error loading wallet server configuration: %v\n", err)
		return
	}

	fmt.Println("Starting wallet server... press Ctrl+C to kill the server")
	// Start server and block.
	cmd.StartWalletServerAndWait(wsc)
}

func initializeViper(filePath string) bool {
	viper.SetConfigFile(filePath)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading configuration file, %s\n", err)
		return false
	}
	return true
}
