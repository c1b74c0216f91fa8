package service

import (
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/diogoX451/ubiquia-flow/pkg/types"
)

var pathEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `*`, `\*`, `?`, `\?`)

// mergePayloads monta {nomeDoUpstream: payload}; nomes com '.' não viram objetos aninhados
func mergePayloads(parts []types.FlowMessage) (types.Data, error) {
	merged := []byte(`{}`)
	for _, p := range parts {
		var err error
		merged, err = sjson.SetRawBytes(merged, pathEscaper.Replace(p.SourceAdapterName), asJSON(p.Payload))
		if err != nil {
			return nil, fmt.Errorf("merge payload from %s: %w", p.SourceAdapterName, err)
		}
	}
	return types.Data(merged), nil
}
