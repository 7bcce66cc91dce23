package core

// Version is the framework version reported to developer tooling.
const Version = "0.1.0"

// ReflectionAPISpecVersion is the reflection protocol revision the runtime
// speaks.
const ReflectionAPISpecVersion = 1
