package nnet

// CIFAR10Shape is the shape of one input image: channels, height, width.
var CIFAR10Shape = []int{3, 32, 32}

// DefaultConfig has the training settings used for the CIFAR-10 network.
var DefaultConfig = Config{
	DataSet:    "cifar10",
	Optimizer:  "adam",
	Eta:        0.001,
	Lambda:     0.0001,
	Shuffle:    true,
	TrainBatch: 10,
	TestBatch:  100,
	MaxEpoch:   3,
	LogEvery:   1000,
}

// CIFARNet returns the config for the small CNN classifier:
// four 5x5 conv layers with batch norm and relu, one max pool and a linear output layer.
func CIFARNet(conf Config) Config {
	conf.Layers = nil
	return conf.AddLayers(
		Conv{Nfeats: 12, Size: 5, Pad: 1},
		BatchNorm{},
		Activation{Atype: "relu"},
		Conv{Nfeats: 12, Size: 5, Pad: 1},
		BatchNorm{},
		Activation{Atype: "relu"},
		MaxPool{Size: 2},
		Conv{Nfeats: 24, Size: 5, Pad: 1},
		BatchNorm{},
		Activation{Atype: "relu"},
		Conv{Nfeats: 24, Size: 5, Pad: 1},
		BatchNorm{},
		Activation{Atype: "relu"},
		Flatten{},
		Linear{Nout: 10},
		LogRegression{},
	)
}
