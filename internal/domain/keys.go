package domain

// KeyPrefix namespaces every Redis key written by studyrag.
const KeyPrefix = "studyrag:"
