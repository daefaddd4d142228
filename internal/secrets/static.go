package secrets

import (
	"fmt"
	"strings"

	pkgsecrets "github.com/Checker-Finance/escrow-market/pkg/secrets"
)

// StaticIntegrators builds an in-memory provider from a "client:key,..."
// list, storing each key where the AWS layout would put it
// ({env}/{client}/{service}).
func StaticIntegrators(env, service, spec string) (*pkgsecrets.StaticProvider, error) {
	p := pkgsecrets.NewStaticProvider(nil)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, key, ok := strings.Cut(pair, ":")
		id, key = strings.TrimSpace(id), strings.TrimSpace(key)
		if !ok || id == "" || key == "" || strings.Contains(id, "/") {
			return nil, fmt.Errorf("invalid integrator entry %q: want client:key", pair)
		}
		p.Set(fmt.Sprintf("%s/%s/%s", env, id, service), map[string]string{"api_key": key})
	}
	return p, nil
}
