package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/mjkoch/gotorrent/bencode"
)

func newDecodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <bencoded-string>",
		Short: "Decode a bencoded value and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageErrorf("decode: expected exactly one argument")
			}
			v, _, err := bencode.Decode([]byte(args[0]))
			if err != nil {
				return err
			}
			out, err := json.Marshal(bencodeToJSON(v))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// bencodeToJSON converts a decoded Value into plain Go values
// (map[string]interface{}, []interface{}, int64, string) suitable for
// encoding/json. Byte strings that are not valid UTF-8 are rendered as
// hex rather than mangled or rejected.
func bencodeToJSON(v bencode.Value) interface{} {
	switch v.Kind {
	case bencode.KindInt:
		return v.Int
	case bencode.KindString:
		if utf8.Valid(v.Str) {
			return string(v.Str)
		}
		return hex.EncodeToString(v.Str)
	case bencode.KindList:
		out := make([]interface{}, len(v.List))
		for i, item := range v.List {
			out[i] = bencodeToJSON(item)
		}
		return out
	case bencode.KindDict:
		out := make(map[string]interface{}, len(v.Dict))
		for k, item := range v.Dict {
			out[k] = bencodeToJSON(item)
		}
		return out
	default:
		return nil
	}
}
