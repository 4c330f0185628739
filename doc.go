// Package biovault provides an embedded biometric template database for Go.
//
// Biovault stores fixed-length biometric embeddings (an anatomical and a
// dynamic modality) together with user profiles, and answers two queries:
// "who is this embedding closest to?" and "does this embedding match this
// user closely enough?". Templates are persisted with integrity checksums
// and optional encryption at rest; accounts are protected by a
// failed-attempt/lockout state machine.
//
// # Quick Start
//
// Local mode:
//
//	ctx := context.Background()
//	db, _ := biovault.New("./data")
//	defer db.Close()
//
//	_ = db.CreateUser(ctx, biovault.CreateUserParams{
//		UserID: "u-1", Username: "ana", Email: "ana@example.com",
//		Phone: "+34600000001", Age: 34, Gender: "Femenino",
//	})
//	id, _ := db.EnrollTemplate(ctx, biovault.EnrollParams{
//		UserID:     "u-1",
//		Anatomical: anatomicalEmbedding,
//		Dynamic:    dynamicEmbedding,
//	})
//
//	result, _ := db.VerifyUser(ctx, biovault.VerifyParams{
//		Anatomical: queryEmbedding,
//	})
//
// Remote mode stores records in any blobstore.Store implementation:
//
//	s3Store, _ := s3.NewStoreFromConfig(ctx, "my-bucket", "biovault/")
//	db, _ := biovault.New("prod", biovault.WithStore(s3Store))
//
// # Index Strategies
//
// Four nearest-neighbor strategies are available per deployment: linear
// (exact scan), kdtree (exact, space partitioned), lsh (approximate, random
// hyperplane hashing) and hcluster (approximate, centroid clustering). The
// approximate strategies degrade to an exact scan while their structures are
// stale or underpopulated; EffectiveStrategies reports what actually served.
//
// # Bootstrap Lifecycle
//
// Deployments whose embedding generator is trained incrementally can enroll
// raw captures first (EnrollTemplateBootstrap) and promote them to indexed
// templates later (ConvertBootstrapTemplates) once an Embedder exists.
package biovault
