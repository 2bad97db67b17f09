package img

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnb666/demos/fetch"
)

const (
	imageWidth  = 32
	imageHeight = 32
	imageSize   = imageWidth * imageHeight
	imageBytes  = imageSize*3 + 1
)

// CIFAR-10 binary distribution
const (
	CIFARDir = "cifar-10-batches-bin"
	CIFARURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	CIFARMD5 = "c32a1d4ab5d03f1284b67883e8d87530"
	metaFile = "batches.meta.txt"
	testFile = "test_batch.bin"
)

var trainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}

// CIFARFiles returns the list of files in the dataset directory.
func CIFARFiles() []string {
	return append(append([]string{metaFile}, trainFiles...), testFile)
}

// CIFARExists checks if all of the dataset files are present under dataDir.
func CIFARExists(dataDir string) bool {
	for _, name := range CIFARFiles() {
		if _, err := os.Stat(filepath.Join(dataDir, CIFARDir, name)); err != nil {
			return false
		}
	}
	return true
}

// LoadCIFAR reads the training or test images from the binary batch files under dataDir.
func LoadCIFAR(dataDir string, train bool) (*Data, error) {
	dir := filepath.Join(dataDir, CIFARDir)
	classes, err := readClasses(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	files := []string{testFile}
	if train {
		files = trainFiles
	}
	var labels []int32
	var pix []uint8
	for _, name := range files {
		l, p, err := loadBatch(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		labels = append(labels, l...)
		pix = append(pix, p...)
	}
	return NewData(classes, []int{3, imageHeight, imageWidth}, labels, pix), nil
}

// load batch of cifar-10 images and labels in binary format
func loadBatch(pathName string) ([]int32, []uint8, error) {
	f, err := os.Open(pathName)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadBatch(bufio.NewReader(f))
}

// ReadBatch decodes CIFAR-10 records: one label byte followed by the red, green and blue planes.
func ReadBatch(r io.Reader) (labels []int32, pix []uint8, err error) {
	labels = make([]int32, 0, 10000)
	pix = make([]uint8, 0, 10000*(imageBytes-1))
	buf := make([]uint8, imageBytes)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			return labels, pix, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("incomplete read: expected %d bytes got %d: %w", imageBytes, n, err)
		}
		labels = append(labels, int32(buf[0]))
		pix = append(pix, buf[1:]...)
	}
}

// load class descriptions from file
func readClasses(pathName string) ([]string, error) {
	f, err := os.Open(pathName)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}

// DownloadCIFAR fetches and extracts the dataset archive under dataDir unless it is already present.
// Returns true if the files were downloaded.
func DownloadCIFAR(ctx context.Context, dataDir, url, md5 string, opts fetch.Options) (bool, error) {
	if CIFARExists(dataDir) {
		return false, nil
	}
	archive := filepath.Join(dataDir, filepath.Base(url))
	if err := fetch.File(ctx, url, archive, opts); err != nil {
		return false, err
	}
	defer os.Remove(archive)
	if err := fetch.VerifyMD5(archive, md5); err != nil {
		return false, err
	}
	if _, err := fetch.ExtractTarGz(ctx, archive, dataDir); err != nil {
		return false, err
	}
	if !CIFARExists(dataDir) {
		return false, fmt.Errorf("archive %s does not contain %s", filepath.Base(url), CIFARDir)
	}
	return true, nil
}
