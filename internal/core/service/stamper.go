package service

import (
	"github.com/tidwall/gjson"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

// Stamps extrai os keychains (sintaxe de path do gjson) presentes no payload.
// Keychains ausentes são ignorados.
func Stamps(payload types.Data, keychains []string) []types.Stamp {
	if len(keychains) == 0 || len(payload) == 0 {
		return nil
	}

	stamps := make([]types.Stamp, 0, len(keychains))
	for _, key := range keychains {
		res := gjson.GetBytes(payload, key)
		if !res.Exists() {
			continue
		}
		stamps = append(stamps, types.Stamp{Keychain: key, Value: res.String()})
	}
	return stamps
}
