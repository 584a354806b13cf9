package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/tiercache/cache"
)

func newKeyCmd(a *app) *cobra.Command {
	var (
		prefix    string
		normalize bool
		exclude   []string
	)
	cmd := &cobra.Command{
		Use:   "key name=value [name=value...]",
		Short: "Print the canonical cache key for a set of parameters",
		Long: `Print the canonical cache key for a set of parameters.

Parameters named query.<name> are grouped into the query map.

Examples:

  tiercache key path=/users query.page=2 query.sort=name
  tiercache key --prefix api: --normalize path=/users/1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args)
			if err != nil {
				return err
			}
			keyer := cache.NewDefaultKeyer(cache.KeyOptions{
				Prefix:             prefix,
				IncludeQueryParams: true,
				ExcludeQueryParams: exclude,
				Normalize:          normalize,
			})
			key, err := keyer.Key(params)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, key)
			return err
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "normalize separators and characters")
	cmd.Flags().StringSliceVar(&exclude, "exclude-query", nil, "query parameters to leave out of the key")
	return cmd
}

func parseParams(args []string) (cache.Params, error) {
	params := cache.Params{}
	query := map[string]any{}
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: want name=value", arg)
		}
		if q, isQuery := strings.CutPrefix(name, "query."); isQuery {
			query[q] = value
			continue
		}
		params[name] = value
	}
	if len(query) > 0 {
		params["query"] = query
	}
	return params, nil
}
