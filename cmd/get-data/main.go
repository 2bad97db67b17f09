// get-data downloads the CIFAR-10 dataset in binary format to the data path.
package main

import (
	"context"

	"github.com/jnb666/demos/fetch"
	"github.com/jnb666/demos/img"
	"github.com/jnb666/demos/settings"
	"go.uber.org/zap"
)

type dataSettings struct {
	settings.Common
	DataPath    string `flag:"data-path" env:"DATA_PATH" required:"true" usage:"directory to save the dataset"`
	URL         string `flag:"url" env:"CIFAR_URL" usage:"dataset archive: http(s)://, s3://bucket/key or a local file (default is the CIFAR-10 site)"`
	MD5         string `flag:"md5" env:"CIFAR_MD5" usage:"expected archive md5 checksum, empty to use the default"`
	S3Endpoint  string `flag:"s3-endpoint" env:"S3_ENDPOINT" usage:"endpoint for s3:// urls"`
	S3AccessKey string `flag:"s3-access-key" env:"S3_ACCESS_KEY" usage:"s3 access key"`
	S3SecretKey string `flag:"s3-secret-key" env:"S3_SECRET_KEY" usage:"s3 secret key"`
	S3Insecure  bool   `flag:"s3-insecure" env:"S3_INSECURE" usage:"use http for the s3 endpoint"`
}

func main() {
	s := &dataSettings{}
	cmd := settings.NewCommand("get-data", "get_data", "Download the CIFAR-10 dataset", s,
		func(ctx context.Context, log *zap.SugaredLogger) error {
			return run(ctx, s, log)
		})
	settings.Execute(cmd)
}

func run(ctx context.Context, s *dataSettings, log *zap.SugaredLogger) error {
	url, md5 := s.URL, s.MD5
	if url == "" {
		url = img.CIFARURL
		if md5 == "" {
			md5 = img.CIFARMD5
		}
	}
	opts := fetch.Options{
		S3Endpoint:  s.S3Endpoint,
		S3AccessKey: s.S3AccessKey,
		S3SecretKey: s.S3SecretKey,
		S3Insecure:  s.S3Insecure,
		Log:         log,
	}
	fetched, err := img.DownloadCIFAR(ctx, s.DataPath, url, md5, opts)
	if err != nil {
		return err
	}
	if !fetched {
		log.Infof("Files already downloaded and verified in %s", s.DataPath)
	} else {
		log.Infof("Downloaded and extracted %s to %s", url, s.DataPath)
	}
	train, err := img.LoadCIFAR(s.DataPath, true)
	if err != nil {
		return err
	}
	mean, std := img.GetStats(train)
	log.Infow("training set", "images", train.Len(), "classes", train.Classes(), "mean", mean, "std", std)
	return nil
}
