package winet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// getProperties loads the i18n table that maps I18N_ keys to English names.
func (c *client) getProperties(ctx context.Context) error {
	if c.properties != nil {
		return nil // already loaded
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.propertiesURL, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("properties: unexpected status %d", res.StatusCode)
	}
	properties, err := parseProperties(res.Body)
	if err != nil {
		return err
	}
	c.properties = properties
	return nil
}

func parseProperties(r io.Reader) (map[string]string, error) {
	properties := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		properties[k] = v
	}
	return properties, scanner.Err()
}

func (c *client) translate(key string) string {
	if v, ok := c.properties[key]; ok && v != "" {
		return v
	}
	return key
}
