package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wainbound/internal/media"
)

func mediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "media",
		Short: "Encrypt or decrypt WhatsApp media blobs offline",
	}
	cmd.AddCommand(mediaDecryptCmd())
	cmd.AddCommand(mediaEncryptCmd())
	return cmd
}

func mediaDecryptCmd() *cobra.Command {
	var in, out, key, class string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Verify and decrypt an encrypted media file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := media.ParseClass(class)
			if err != nil {
				return err
			}
			ct, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read %s: %w", in, err)
			}
			dec, err := media.Decrypt(media.EncryptedMediaRef{Ciphertext: ct, KeyMaterialBase64: key, Class: c})
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, dec.Plaintext, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("decrypted %d bytes (%s, verified) to %s\n", len(dec.Plaintext), dec.Class, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "encrypted input file")
	cmd.Flags().StringVar(&out, "out", "", "plaintext output file")
	cmd.Flags().StringVar(&key, "key", "", "base64 media key")
	cmd.Flags().StringVar(&class, "class", "image", "media class (image, video, audio, document, sticker)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func mediaEncryptCmd() *cobra.Command {
	var in, out, key, class string
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a file the way WhatsApp clients do (for testing bridges)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := media.ParseClass(class)
			if err != nil {
				return err
			}
			var mediaKey []byte
			if key == "" {
				mediaKey = make([]byte, media.MediaKeySize)
				if _, err := rand.Read(mediaKey); err != nil {
					return fmt.Errorf("generate media key: %w", err)
				}
			} else if mediaKey, err = media.DecodeMediaKey(key); err != nil {
				return err
			}

			plain, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read %s: %w", in, err)
			}
			ct, err := media.Encrypt(plain, mediaKey, c)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, ct, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("encrypted %d bytes to %s\nmedia key: %s\n", len(plain), out, base64.StdEncoding.EncodeToString(mediaKey))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "plaintext input file")
	cmd.Flags().StringVar(&out, "out", "", "encrypted output file")
	cmd.Flags().StringVar(&key, "key", "", "base64 media key (default: random)")
	cmd.Flags().StringVar(&class, "class", "image", "media class (image, video, audio, document, sticker)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
