package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/rpc"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/types"
	"github.com/Boredooms/Decentralized-Storage-Platform/pkg/utils"
)

func fileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Upload, fetch and remove files",
	}
	cmd.AddCommand(
		fileUploadCmd(),
		fileDownloadCmd(),
		fileDeleteCmd(),
		fileGetCmd(),
		fileListCmd(),
	)
	return cmd
}

func fileUploadCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Chunk a local file and place it on providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}

			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if info.IsDir() {
				return fmt.Errorf("%s is a directory", args[0])
			}
			if info.Size() > rpc.MaxMessageSize {
				return fmt.Errorf("%s is %s, uploads are limited to %s", args[0],
					utils.FormatDataSize(info.Size()), utils.FormatDataSize(rpc.MaxMessageSize))
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = filepath.Base(args[0])
			}

			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			file, err := client.UploadFile(ctx, name, data)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(file)
			}
			fmt.Printf("Uploaded %s as %s (%s in %d chunks, manifest %s)\n",
				file.Name, file.ID, utils.FormatDataSize(file.TotalSize), len(file.ChunkIDs), file.ManifestHash)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "stored file name (defaults to the base name)")
	return cmd
}

func fileDownloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Reassemble a file and verify every chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			data, err := client.DownloadFile(ctx, types.FileID(args[0]))
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Wrote %s to %s\n", utils.FormatDataSize(int64(len(data))), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination path (stdout when empty)")
	return cmd
}

func fileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <file-id>",
		Short: "Remove a file and release its placements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCaller(); err != nil {
				return err
			}
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			if err := client.DeleteFile(ctx, types.FileID(args[0])); err != nil {
				return err
			}
			fmt.Printf("Deleted file %s\n", args[0])
			return nil
		},
	}
}

func fileGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <file-id>",
		Short: "Show a file and where its chunks are placed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			file, chunks, err := client.GetFile(ctx, types.FileID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rpc.FileResponse{File: file, Chunks: chunks})
			}
			fmt.Println(renderFiles([]types.File{file}))
			fmt.Println(renderChunks(chunks))
			return nil
		},
	}
}

func fileListCmd() *cobra.Command {
	var uploader string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, client, done, err := connect()
			if err != nil {
				return err
			}
			defer done()

			files, err := client.ListFiles(ctx, types.Address(uploader))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(files)
			}
			if len(files) == 0 {
				fmt.Println(mutedStyle.Render("No files stored"))
				return nil
			}
			fmt.Println(renderFiles(files))
			return nil
		},
	}

	cmd.Flags().StringVar(&uploader, "uploader", "", "only files uploaded by this address")
	return cmd
}
