package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides a vault client configured from the standard VAULT_*
// environment variables. Include it only when a vault server is
// available; config loading treats the client as optional.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	return vault.New(vault.WithEnvironment())
}
