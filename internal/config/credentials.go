package config

import (
	"context"

	"github.com/hitoshi/receteci/internal/model"
)

// StaticCredentials は起動時に読み込んだ認証情報をそのまま返すCredentialProvider。
// セキュアストレージを持たない環境（CLI、開発時）で使用する。
type StaticCredentials model.Credentials

// Credentials は保持している認証情報のコピーを返す。
func (s StaticCredentials) Credentials(_ context.Context) (model.Credentials, error) {
	return model.Credentials(s), nil
}

// Credentials は設定ファイルの認証情報をCredentialProviderとして返す。
func (c *Config) Credentials() StaticCredentials {
	return StaticCredentials{Username: c.PortalUsername, Password: c.PortalPassword}
}
