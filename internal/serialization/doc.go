// Package serialization reads and writes model state files.
//
// Two formats are supported:
//
//	.born container (checkpoints):
//	  [64 bytes: fixed header]
//	    0x00 magic "BORN"
//	    0x04 version (uint32 LE, currently 2)
//	    0x08 flags (uint32 LE)
//	    0x10 JSON header size (uint64 LE)
//	    0x18 tensor data size (uint64 LE)
//	    0x20 SHA-256 of the tensor data (32 bytes)
//	  [JSON header: tensor table, metadata, checkpoint fields]
//	  [padding to 64-byte alignment]
//	  [tensor data: little-endian, in header order]
//
//	SafeTensors (pretrained weight exports):
//	  [8 bytes: header size (uint64 LE)]
//	  [JSON header: name -> {dtype, shape, data_offsets}]
//	  [tensor data]
//
// OpenStateDict detects the format from the first bytes of the file, so the
// weight transplant resolver can take either kind of file as a source.
//
// Example:
//
//	header := serialization.Header{ModelType: "ECO", Checkpoint: &serialization.CheckpointMeta{Epoch: 3}}
//	if err := serialization.WriteFile("run_rgb_epoch_3_checkpoint.tar", state, header); err != nil {
//	    return err
//	}
//
//	state, header, err := serialization.ReadFile("run_rgb_epoch_3_checkpoint.tar")
package serialization
